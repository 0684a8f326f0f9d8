package cli

import (
	"github.com/spf13/cobra"
)

var notifyMessage string

var notifyCmd = &cobra.Command{
	Use:   "notify-test",
	Short: "发送一条模拟的抓取失败通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().NotifyTest(cmd.Context(), notifyMessage)
	},
}

func init() {
	notifyCmd.Flags().StringVar(&notifyMessage, "message", "", "自定义错误信息")
}
