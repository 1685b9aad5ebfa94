package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"print-studio/app/config"
	"print-studio/app/database"
	"print-studio/app/logger"
	"print-studio/app/model"
	"print-studio/app/service"
	"print-studio/app/utils/instasd"

	"github.com/spf13/cobra"
)

var generateOpts struct {
	mode       string
	userID     string
	prompt     string
	negative   string
	imageURL   string
	resolution string
	batchSize  int
	wait       bool
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "提交生成任务并跟踪进度",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, ok := service.ParseMode(generateOpts.mode)
		if !ok {
			return fmt.Errorf("未知的生成模式: %s", generateOpts.mode)
		}

		cfg := config.Load()
		log := logger.New(cfg.Log)
		defer log.Sync()

		if err := database.Init(cfg, log); err != nil {
			return fmt.Errorf("数据库初始化失败: %w", err)
		}
		defer database.Close()

		client := instasd.New(cfg.Generation.RequestTimeout)
		defer client.Close()
		tasks := service.NewTaskService(database.GetDB(), client, service.NewEndpointRegistry(cfg.Generation), log)

		payload, err := service.BuildPayload(mode, service.GenerateInput{
			Prompt:         generateOpts.prompt,
			NegativePrompt: generateOpts.negative,
			ImageURL:       generateOpts.imageURL,
			Parameters: service.Parameters{
				Resolution: generateOpts.resolution,
				BatchSize:  generateOpts.batchSize,
			},
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := tasks.Submit(ctx, generateOpts.userID, mode, payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "任务已创建: %s\n", res.TaskID)
		if !generateOpts.wait {
			return nil
		}

		out := cmd.OutOrStdout()
		poller := service.NewTaskPoller(tasks, service.PollerOptionsFromConfig(cfg.Poller), log)
		session, err := poller.Start(ctx, res.TaskID, mode, service.Callbacks{
			OnProgress: func(progress int, _ model.TaskStatus, snap *service.TaskSnapshot) {
				fmt.Fprintf(out, "[%s] %d%%\n", snap.Label, progress)
			},
			OnComplete: func(urls []string, _ *service.TaskSnapshot) {
				fmt.Fprintf(out, "生成完成:\n  %s\n", strings.Join(urls, "\n  "))
			},
		})
		if err != nil {
			return err
		}
		<-session.Done()

		if session.State() == service.PollSucceeded {
			return nil
		}
		return session.Err()
	},
}

func init() {
	f := generateCmd.Flags()
	f.StringVarP(&generateOpts.mode, "mode", "m", string(service.ModeText), "生成模式 text|image|clothing|upscale|fix|playground")
	f.StringVarP(&generateOpts.userID, "user", "u", "", "任务所属用户 ID")
	f.StringVarP(&generateOpts.prompt, "prompt", "p", "", "提示词")
	f.StringVar(&generateOpts.negative, "negative", "", "反向提示词")
	f.StringVar(&generateOpts.imageURL, "image-url", "", "参考图片地址")
	f.StringVar(&generateOpts.resolution, "resolution", "1024x1024", "输出分辨率 WxH")
	f.IntVar(&generateOpts.batchSize, "batch", 1, "生成数量")
	f.BoolVarP(&generateOpts.wait, "wait", "w", true, "等待任务结束并输出进度")
	_ = generateCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(generateCmd)
}
