// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 agentmem 的配置管理功能。
//
// Config 是一个显式对象，由调用方加载后传给 service.Initialize，
// 包内不持有任何全局状态。加载顺序为默认值、YAML 文件、
// AGENTMEM_ 前缀的环境变量，最后执行 Validate。
package config
