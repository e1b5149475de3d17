package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	material "github.com/wuchao05/changdu-material"
	"github.com/wuchao05/changdu-material/internal/objstore"
)

func newTransferCmd() *cobra.Command {
	var (
		flagManifest string
		flagWorkers  int
		flagWorkDir  string
	)

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "按清单并发搬运素材(下载后转存对象存储)",
		Long:  `transfer 读取清单文件(每行 "文件ID<TAB>下载URL"),以有限并发下载文件并上传到对象存储;长时间无进度的条目会被取消并排到队尾重试。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagManifest == "" {
				return errors.New("--manifest is required")
			}
			items, err := readManifest(flagManifest)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				log.Info().Msg("manifest is empty, nothing to do")
				return nil
			}

			workDir := flagWorkDir
			if workDir == "" {
				workDir, err = os.MkdirTemp("", "material-transfer-*")
				if err != nil {
					return errors.Wrap(err, "create work dir")
				}
				defer os.RemoveAll(workDir)
			}

			store, err := objstore.NewClientFromEnv()
			if err != nil {
				return err
			}

			pool, err := material.NewTransferPool(material.PoolConfig{
				Workers:  flagWorkers,
				Transfer: newTransferFunc(store, workDir),
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			ids := make([]string, 0, len(items))
			for _, item := range items {
				ids = append(ids, pool.Enqueue(item.fileID, item.url))
			}
			pool.Start(ctx)
			if err := pool.Drain(ctx); err != nil {
				return err
			}
			pool.Close()
			pool.Wait()

			succeeded, failed := 0, 0
			for _, id := range ids {
				job, ok := pool.Job(id)
				if !ok {
					continue
				}
				if job.Status == material.JobSuccess {
					succeeded++
				} else {
					failed++
					log.Warn().Str("file", job.FileID).Str("status", string(job.Status)).Str("error", job.LastError).Msg("transfer did not succeed")
				}
			}
			log.Info().Int("succeeded", succeeded).Int("failed", failed).Msg("transfer finished")
			if failed > 0 {
				return errors.Errorf("%d transfers failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagManifest, "manifest", "", "清单文件路径")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "并发搬运数,默认 3")
	cmd.Flags().StringVar(&flagWorkDir, "work-dir", "", "下载暂存目录,默认临时目录")
	return cmd
}

type manifestItem struct {
	fileID string
	url    string
}

func readManifest(path string) ([]manifestItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open manifest %s", path)
	}
	defer f.Close()

	var items []manifestItem
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed manifest line: %q", line)
		}
		items = append(items, manifestItem{fileID: strings.TrimSpace(parts[0]), url: strings.TrimSpace(parts[1])})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read manifest %s", path)
	}
	return items, nil
}

// newTransferFunc downloads a job's URL into workDir, reporting byte
// progress, then streams the file into object storage.
func newTransferFunc(store *objstore.Client, workDir string) material.TransferFunc {
	return func(ctx context.Context, job *material.TransferJob, report func(pct float64)) error {
		local := filepath.Join(workDir, job.FileID)
		if err := downloadFile(ctx, job.Path, local, report); err != nil {
			return err
		}
		defer os.Remove(local)
		url, err := store.UploadFile(ctx, local)
		if err != nil {
			return err
		}
		report(100)
		log.Info().Str("file", job.FileID).Str("url", url).Msg("material transferred")
		return nil
	}
}

func downloadFile(ctx context.Context, url, dest string, report func(pct float64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build download request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errors.Errorf("download %s: http %d", url, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "create %s", dest)
	}
	defer out.Close()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 256*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return errors.Wrapf(werr, "write %s", dest)
			}
			written += int64(n)
			if total > 0 {
				// Leave headroom for the upload leg.
				report(float64(written) / float64(total) * 90)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrapf(rerr, "read %s", url)
		}
	}
	return nil
}
