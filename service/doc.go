// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package service 提供记忆核心的对外门面 MemoryService。

# 概述

MemoryService 由调用方持有，不依赖任何全局状态。Initialize 根据配置
组装各层级的存储链：

	中期: cache.Layer -> resilient.Proxy -> 适配器
	长期: resilient.Proxy -> 适配器（独立的表或集合）

并把它们交给 memory.TieredManager。Close 停止后台清理并按顺序关闭各层级。

# 生命周期

Initialize 之前或 Close 之后的调用返回 DependencyError。Initialize 只能调用一次，
Close 可重复调用。

# 可观测性

每个公开操作都会打开一个 OpenTelemetry span，并记录操作计数与耗时。
非客户端错误计入错误计数，最近一次错误出现在 CheckHealth 的结果中。
*/
package service
