package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	material "github.com/wuchao05/changdu-material"
	"github.com/wuchao05/changdu-material/internal/browser"
	"github.com/wuchao05/changdu-material/internal/config"
	"github.com/wuchao05/changdu-material/internal/feishu"
	"github.com/wuchao05/changdu-material/internal/storage"
)

func newRunCmd() *cobra.Command {
	var (
		flagRootDir     string
		flagInterval    int
		flagBatchSize   int
		flagMaxFailures int
		flagProfileDir  string
		flagKeepLocal   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "启动上传调度器",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := material.DefaultConfigPath()
			if err != nil {
				return err
			}
			fileCfg, err := material.LoadFileConfig(configPath)
			if err != nil {
				return err
			}
			if flagRootDir != "" {
				fileCfg.LocalRootDir = flagRootDir
			}
			if flagInterval > 0 {
				fileCfg.FetchIntervalMinutes = flagInterval
			}
			if err := material.SaveFileConfig(configPath, fileCfg); err != nil {
				log.Warn().Err(err).Msg("persist scheduler config failed")
			}

			profileDir := flagProfileDir
			if profileDir == "" {
				profileDir = config.String("BROWSER_PROFILE_DIR", "")
			}
			if profileDir != "" {
				lock, err := material.AcquireProfileLock(profileDir)
				if err != nil {
					return err
				}
				defer lock.Release()
			}

			client, err := feishu.NewClientFromEnv()
			if err != nil {
				return err
			}
			tableURL := firstNonEmpty(rootTableURL, config.String("MATERIAL_BITABLE_URL", ""))
			source, err := material.NewFeishuTaskSource(client, tableURL)
			if err != nil {
				return err
			}

			session, err := browser.NewSessionFromEnv()
			if err != nil {
				return err
			}
			uploader, err := material.NewBatchUploader(session, material.UploaderConfig{
				BatchSize: flagBatchSize,
			})
			if err != nil {
				return err
			}

			checkpoints, err := storage.NewCheckpointStore("")
			if err != nil {
				return err
			}
			defer checkpoints.Close()

			scheduler, err := material.NewScheduler(material.SchedulerConfig{
				Source:             source,
				Uploader:           uploader,
				Session:            session,
				Checkpoints:        checkpoints,
				LocalRootDir:       fileCfg.LocalRootDir,
				FetchInterval:      fileCfg.FetchInterval(),
				MaxFailuresPerTask: flagMaxFailures,
				KeepLocalFiles:     flagKeepLocal,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			log.Info().
				Str("root_dir", fileCfg.LocalRootDir).
				Dur("fetch_interval", fileCfg.FetchInterval()).
				Msg("scheduler started")

			<-ctx.Done()
			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := scheduler.Stop(shutdownCtx); err != nil {
				return err
			}
			stats := scheduler.Stats()
			log.Info().
				Int("completed", stats.Completed).
				Int("failed", stats.Failed).
				Int("skipped", stats.Skipped).
				Msg("scheduler stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&flagRootDir, "root-dir", "", "本地素材根目录覆盖配置文件")
	cmd.Flags().IntVar(&flagInterval, "interval", 0, "拉取周期(分钟)覆盖配置文件")
	cmd.Flags().IntVar(&flagBatchSize, "batch-size", config.Int("MATERIAL_BATCH_SIZE", 0), "单批上传文件数,默认 10")
	cmd.Flags().IntVar(&flagMaxFailures, "max-failures", -1, "整单可容忍的失败文件数,默认 2,0 表示不容忍")
	cmd.Flags().StringVar(&flagProfileDir, "profile-dir", "", "浏览器配置目录覆盖 BROWSER_PROFILE_DIR")
	cmd.Flags().BoolVar(&flagKeepLocal, "keep-local", config.Bool("MATERIAL_KEEP_LOCAL", false), "上传成功后保留本地素材")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
