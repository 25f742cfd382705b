// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 storage 定义记忆核心的存储端口（Store）以及内置的内存适配器。

# 概述

Store 是所有存储适配器必须满足的契约：保存/读取/查询/删除/健康检查。
每个操作只对应一次后端调用，上层的缓存层（cache.Layer）与弹性代理
（resilient.Proxy）同样实现 Store，通过组合叠加成调用链。

# 核心类型

  - Store：存储端口接口，SaveItem / GetItem / QueryItems / SaveAgentRecord /
    DeleteItems / CheckHealth / Close。
  - QueryFilter：查询条件（会话、类型、角色、时间范围、元数据等值匹配）。
  - DeleteFilter：删除条件，空过滤器会被拒绝以防止无界删除。
  - MemoryStore：基于 map 的进程内实现，用于开发、测试与 in-memory 后端。

# 主要能力

  - 幂等 upsert：同一 ID 重复保存只保留最后一次写入。
  - 查询按 created_at 倒序，limit 由适配器强制截断。
  - 分块删除：大批量删除按 DeleteBatchSize 切分并逐块提交。
  - 输入校验：ValidateItem / ValidateRecord 供所有适配器复用。
*/
package storage
