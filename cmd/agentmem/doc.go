// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 agentmem 的命令行入口。

# 子命令

  - serve：初始化记忆服务，启动后台过期清理，并在 metrics.listen_addr
    上暴露 /healthz、/readyz 与 /metrics，收到 SIGINT/SIGTERM 后优雅关闭
  - health：按配置直连各后端做一次检查并输出 JSON 报告，
    --addr 时改为读取运行中服务的 /healthz；整体不健康时退出码为 2
  - cleanup：删除所有层级的过期条目并输出删除数
  - migrate：up、down、status、version、force，作用于 relational 后端
  - version：输出构建时通过 ldflags 注入的 Version、BuildTime、GitCommit

# 配置

所有子命令接受 --config 指定 YAML 文件，AGENTMEM_* 环境变量覆盖文件中的值。
一次性命令（health、cleanup）的日志写到 stderr，stdout 只输出结果。
*/
package main
