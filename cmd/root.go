package cmd

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:     "auto-upload",
	Short:   "YouTube 定时上传服务",
	Long:    "按计划时间把用户的视频投递到 YouTube，支持改期、替换文件和手动重试",
	Version: "1.0.0",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig 读取配置文件和环境变量（如果设置）
func initConfig() {
	// 添加配置文件搜索路径
	viper.AddConfigPath("./data") // 相对于当前工作目录的 data 文件夹
	viper.AddConfigPath(".")      // 当前目录
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")

	viper.SetEnvPrefix("AUTO_UPLOAD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // 读取匹配的环境变量

	// 如果找到配置文件，读取它
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Println("配置文件读取失败:", err)
			os.Exit(1)
		}
	}
}
