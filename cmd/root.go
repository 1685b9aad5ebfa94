package cmd

import (
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "print-studio",
	Short:   "印花图案生成服务",
	Long:    "提交 AI 印花生成任务、跟踪任务进度并管理生成结果的后端服务",
	Version: "1.0.0",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径（默认 ./data/config.yaml 或 ./config.yaml）")
}

// initConfig 读取 .env、配置文件和环境变量
func initConfig() {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Println(".env 读取失败:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// 添加配置文件搜索路径
		viper.AddConfigPath("./data") // 相对于当前工作目录的 data 文件夹
		viper.AddConfigPath(".")      // 当前目录
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// server.port 对应 PRINT_STUDIO_SERVER_PORT
	viper.SetEnvPrefix("print_studio")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}
