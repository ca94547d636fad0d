package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// getLogDir 获取项目日志目录，默认为 logs/
func getLogDir() string {
	return "logs"
}

// WriteResponseDebug 异步保存无法解析的上游响应用于调试
// 不影响主流程性能，写入失败静默忽略
// 同一requestID的多次调用会追加到同一文件中
func WriteResponseDebug(requestID, model, responseBody string) {
	if requestID == "" {
		return
	}

	// 异步写入，不阻塞主流程
	go func() {
		logDir := getLogDir()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return // 静默失败，不影响主流程
		}

		// 文件名：logs/{requestID}.debug
		filename := filepath.Join(logDir, fmt.Sprintf("%s.debug", requestID))

		debugContent := "\n=== 上游响应解析失败调试信息 ===\n"
		debugContent += fmt.Sprintf("请求ID: %s\n", requestID)
		debugContent += fmt.Sprintf("模型: %s\n", model)
		debugContent += fmt.Sprintf("时间: %s\n", time.Now().Format("2006-01-02 15:04:05"))
		debugContent += fmt.Sprintf("响应长度: %d 字节\n", len(responseBody))
		debugContent += "=== 响应内容 ===\n" + responseBody + "\n"
		debugContent += "=== 分割线 ===\n\n"

		// 追加写入文件（如果失败，静默忽略）
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		defer file.Close()

		file.WriteString(debugContent)
	}()
}
