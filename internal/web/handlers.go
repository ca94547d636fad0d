package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleIndex 主页面，简单的状态概览
func (ws *WebServer) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, indexHTML)
}

// handleHealth 健康检查
func (ws *WebServer) handleHealth(c *gin.Context) {
	busy, total := ws.pool.Counts()

	status := "healthy"
	statusCode := http.StatusOK
	if total == 0 {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if busy == total {
		status = "degraded"
	}

	c.JSON(statusCode, gin.H{
		"status":          status,
		"busy_key_count":  busy,
		"total_key_count": total,
	})
}

// handleStatus 系统状态：请求指标与凭证池概况
func (ws *WebServer) handleStatus(c *gin.Context) {
	busy, total := ws.pool.Counts()

	response := gin.H{
		"uptime":          time.Since(ws.startTime).Round(time.Second).String(),
		"start_time":      ws.startTime.Format("2006-01-02 15:04:05"),
		"busy_key_count":  busy,
		"total_key_count": total,
	}
	if ws.monitoring != nil {
		response["requests"] = ws.monitoring.GetStats()
	}

	c.JSON(http.StatusOK, response)
}

// handleCredentials 凭证池快照，令牌已脱敏
func (ws *WebServer) handleCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"credentials": ws.pool.Snapshot(),
	})
}

// handleConfig 当前配置概要，不暴露凭证和密码
func (ws *WebServer) handleConfig(c *gin.Context) {
	cfg := ws.config
	c.JSON(http.StatusOK, gin.H{
		"config_path": ws.configPath,
		"server": gin.H{
			"host": cfg.Server.Host,
			"port": cfg.Server.Port,
		},
		"upstream": gin.H{
			"url":            cfg.Upstream.URL,
			"chat_path":      cfg.Upstream.ChatPath,
			"primary_model":  cfg.Upstream.PrimaryModel,
			"fallback_model": cfg.Upstream.FallbackModel,
		},
		"pool": gin.H{
			"credential_count": len(cfg.Pool.Credentials),
			"cooldown_base":    cfg.Pool.CooldownBase.String(),
			"cooldown_max":     cfg.Pool.CooldownMax.String(),
		},
		"retry": gin.H{
			"max_attempts":     cfg.Retry.MaxAttempts,
			"base_delay":       cfg.Retry.BaseDelay.String(),
			"max_delay":        cfg.Retry.MaxDelay.String(),
			"retry_after_hint": cfg.Retry.RetryAfterHint.String(),
		},
		"tracking_enabled": cfg.Tracking.Enabled,
	})
}

// handleUsageSummary 使用统计汇总
func (ws *WebServer) handleUsageSummary(c *gin.Context) {
	if ws.usageTracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "usage tracking is not enabled",
		})
		return
	}

	summary, err := ws.usageTracker.GetSummary(c.Request.Context())
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ [Web] 查询使用统计失败: %v", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to query usage summary",
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

const indexHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>Key Relay 管理界面</title>
<style>
body { font-family: -apple-system, sans-serif; margin: 2em; background: #f5f5f5; }
h1 { color: #333; }
table { border-collapse: collapse; background: #fff; margin-top: 1em; }
th, td { border: 1px solid #ddd; padding: 6px 12px; text-align: left; }
th { background: #eee; }
.ok { color: #2e7d32; }
.busy { color: #c62828; }
</style>
</head>
<body>
<h1>Key Relay</h1>
<div id="status">加载中...</div>
<table id="creds"><thead><tr>
<th>令牌</th><th>状态</th><th>错误计数</th><th>冷却剩余</th><th>最后使用</th>
</tr></thead><tbody></tbody></table>
<script>
async function refresh() {
  const status = await (await fetch('/api/v1/status')).json();
  document.getElementById('status').textContent =
    '运行时长: ' + status.uptime + ' | 占用/总数: ' + status.busy_key_count + '/' + status.total_key_count;
  const data = await (await fetch('/api/v1/credentials')).json();
  const tbody = document.querySelector('#creds tbody');
  tbody.innerHTML = '';
  for (const c of data.credentials) {
    const tr = document.createElement('tr');
    tr.innerHTML = '<td>' + c.token + '</td>' +
      '<td class="' + (c.available ? 'ok' : 'busy') + '">' + (c.available ? '可用' : '占用/冷却') + '</td>' +
      '<td>' + c.error_count + '</td>' +
      '<td>' + (c.cooldown_remaining ? (c.cooldown_remaining / 1e9).toFixed(1) + 's' : '-') + '</td>' +
      '<td>' + (c.last_used_at || '-') + '</td>';
    tbody.appendChild(tr);
  }
}
refresh();
setInterval(refresh, 3000);
</script>
</body>
</html>`
