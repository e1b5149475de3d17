package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wuchao05/changdu-material/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "changdu-material",
	Short: "短剧素材上传自动化",
	Long:  `changdu-material 监听 Feishu 多维表格中的待上传素材记录，定位本地导出的短剧视频，经自动化浏览器会话分批上传到投放后台，并把进度与结果回写表格。`,
}

var (
	rootTableURL string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootTableURL, "table-url", "", "素材跟踪表 URL 覆盖 MATERIAL_BITABLE_URL")
	rootCmd.AddCommand(
		newRunCmd(),
		newTransferCmd(),
		newTasksCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("changdu-material command failed")
	}
}
