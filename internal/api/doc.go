// Package api 通过 HTTP 暴露任务队列、会话记录与自主循环，并挂载事件流与指标端点。
package api
