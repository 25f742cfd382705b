// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 memory 提供短期 / 中期 / 长期三层记忆管理。

# 概述

TieredManager 把进程内的短期记忆（LRU）、持久化的中期记忆
（cache.Layer -> resilient.Proxy -> 适配器）与用于语义召回的长期记忆
（存储链 + ranking.Ranker）组合成一个统一的读写入口。

# 写入

  - 短期：总是写入，从不失败，容量满时淘汰最久未使用的条目
  - 中期：启用时写入，失败返回给调用方
  - 长期：满足 PromotionPolicy 时写入并同步 ANN 索引，失败只记录日志

# 读取

GetHistory 先读短期，不足时合并中期，仍不足时以最新一条带向量的条目为
种子从长期记忆做语义检索（没有向量时按时间查询）。合并按条目 ID 去重，
长期结果优先，最后按 created_at 倒序截断。返回的条目在
metadata["tier"] 中标明来源层级，该标记不会写回存储。

持久层级的后端故障（熔断打开、瞬时错误、重试耗尽）只降级结果；
校验错误、调用方取消与未归类错误照常返回，避免掩盖缺陷。
*/
package memory
