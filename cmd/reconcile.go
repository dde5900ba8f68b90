package cmd

import (
	"auto-upload/app/config"
	"auto-upload/app/database"
	"auto-upload/app/logger"
	"auto-upload/app/server"
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reconcilePolicy string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "为丢失任务的待投递视频补排任务",
	Long:  "扫描待投递视频，为没有有效任务的视频重新安排投递；已错过时间的视频按策略立即投递或标记失败",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if reconcilePolicy != "" {
			if reconcilePolicy != config.ReconcileFire && reconcilePolicy != config.ReconcileFail {
				return fmt.Errorf("未知的补偿策略: %s", reconcilePolicy)
			}
			cfg.Scheduler.ReconcilePolicy = reconcilePolicy
		}

		log := logger.New(cfg.Log)
		defer log.Close()

		if err := database.Init(cfg, log); err != nil {
			return err
		}
		defer database.Close()

		core, err := server.NewCore(cmd.Context(), cfg, database.GetDB(), log)
		if err != nil {
			return err
		}
		defer core.Close()

		n, err := core.Videos.Reconcile(context.WithoutCancel(cmd.Context()))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已处理 %d 个视频\n", n)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcilePolicy, "policy", "", "错过投递时间的处理策略: fire 或 fail（默认使用配置）")
	rootCmd.AddCommand(reconcileCmd)
}
