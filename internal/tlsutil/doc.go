// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package tlsutil 为 Redis、Qdrant 与 MongoDB 连接构造加固的客户端 TLS 配置
// （TLS 1.2+，仅 AEAD 密码套件），支持自定义 CA 与主机名覆盖。
package tlsutil
