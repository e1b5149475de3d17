package main

import (
	"fmt"

	"github.com/spf13/cobra"

	material "github.com/wuchao05/changdu-material"
	"github.com/wuchao05/changdu-material/internal/config"
	"github.com/wuchao05/changdu-material/internal/feishu"
)

func newTasksCmd() *cobra.Command {
	var flagDate string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "列出待上传的素材记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := feishu.NewClientFromEnv()
			if err != nil {
				return err
			}
			tableURL := firstNonEmpty(rootTableURL, config.String("MATERIAL_BITABLE_URL", ""))
			source, err := material.NewFeishuTaskSource(client, tableURL)
			if err != nil {
				return err
			}
			tasks, err := source.FetchPendingTasks(cmd.Context(), material.TaskFilter{Date: flagDate})
			if err != nil {
				return err
			}
			for _, task := range tasks {
				fmt.Printf("%s\t%s\t%s\t%s\n", task.RecordID, task.Date, task.Drama, task.Account)
			}
			fmt.Printf("total: %d\n", len(tasks))
			return nil
		},
	}

	cmd.Flags().StringVar(&flagDate, "date", "", "仅显示指定日期(YYYY-MM-DD)")
	return cmd
}
