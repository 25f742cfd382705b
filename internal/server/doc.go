// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 agentmem 运维端口：健康检查、就绪探针与 Prometheus 指标。

# 核心类型

  - Server：Run(ctx) 阻塞提供服务，ctx 取消后在 ShutdownTimeout 内
    排空请求；服务异常退出时返回错误。信号处理由调用方的 ctx 负责。
  - HealthChecker：聚合健康状态的提供方，由 service.MemoryService 实现。
  - NewOpsHandler：注册 /healthz、/readyz、/metrics，
    外层包裹 Recovery 与 RequestLogger 中间件。

# 状态码

整体不健康时 /healthz 与 /readyz 返回 503，降级仍返回 200，
使可选组件（缓存、ANN、长期记忆）故障不会触发重启。
*/
package server
