package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"FeatureScope/internal/auth"
	"FeatureScope/internal/config"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "featurescoped",
	Short: "FeatureScope 分层需求分析协调服务",
	Long: `featurescoped 接收功能需求，按 A→B→C 的层级派发给各分析 Agent，
汇总各层结果并通过状态接口与 Webhook 对外暴露。

Example:
  featurescoped --config deploy/config/featurescope.yaml
  featurescoped token user alice
  featurescoped token agent A`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user|agent> <id>",
	Short: "使用配置中的密钥签发访问令牌",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Secret == "" {
			return errors.New("auth.secret 未配置，无法签发可被服务端校验的令牌")
		}
		svc, err := auth.NewService(auth.Config{Issuer: cfg.Auth.Issuer, Secret: cfg.Auth.Secret, TokenTTL: cfg.Auth.TokenTTL.Std()})
		if err != nil {
			return err
		}
		var token string
		switch auth.Kind(args[0]) {
		case auth.KindUser:
			token, err = svc.IssueUserToken(args[1])
		case auth.KindAgent:
			token, err = svc.IssueAgentToken(args[1])
		default:
			return fmt.Errorf("未知的令牌类型: %s", args[0])
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "featurescoped version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"配置文件路径 (默认读取 "+config.EnvConfigPath+")")
	rootCmd.AddCommand(tokenCmd, versionCmd)
}

// main 是 FeatureScope 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatalf("featurescoped 运行失败: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromEnv()
}
