package app

import (
	"context"
	"errors"
	"time"

	"lof-monitor/internal/alerting"
	"lof-monitor/internal/storage"
)

// NotifyTest 发送一条模拟的抓取失败通知，用于检查告警通道。
func (a *App) NotifyTest(ctx context.Context, message string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	if message == "" {
		message = "simulated failure from notify-test"
	}
	return notifier.Notify(ctx, alerting.Notification{
		Time:          time.Now(),
		Status:        storage.StatusFailed,
		Error:         message,
		AdditionalMsg: "(test notification)",
	})
}
