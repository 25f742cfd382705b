// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的记忆核心指标采集能力，覆盖
存储、熔断、缓存、排序、分层与数据库连接六个维度。

# 概述

Collector 通过 promauto.With(Registerer) 注册指标，测试中可传入
独立的 Registry。所有记录方法对 nil 接收者安全，组件未注入指标时
无需做空值判断。

# 主要能力

  - 存储指标：操作总数与耗时（含重试），按 backend/operation 分组；重试次数。
  - 熔断指标：当前状态 Gauge（0=closed, 1=open, 2=half_open）与状态切换计数。
  - 缓存指标：命中、未命中与被吸收的后端错误，按 cache_type/operation 分组。
  - 排序指标：按打分器统计请求数，ANN 失败回退计数。
  - 分层指标：各层写入结果、长期记忆晋升数、过期清理数量。
  - 数据库指标：打开/空闲连接数。
*/
package metrics
