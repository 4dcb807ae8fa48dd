package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供仓库/路径/命中来源字段，供内容请求日志复用。
// source 为实际提供内容的仓库，未命中时为空。
func RequestFields(requestID, method, store, path, source string, status int, elapsed time.Duration) logrus.Fields {
	fields := logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"store":      store,
		"path":       path,
		"status":     status,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if source != "" {
		fields["source"] = source
	}
	return fields
}
