// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 为记忆存储提供读穿透、写穿透的缓存层。

# 概述

Layer 装饰任意 storage.Store，GetItem 与 QueryItems 命中缓存时不访问存储，
未命中时在读取完成后回填。写入先落存储，成功后更新条目缓存并失效
该 owner 的查询结果。缓存后端故障只记录日志与指标，从不让操作失败。

# 核心类型

  - Layer：缓存装饰器，实现 storage.Store。
  - KV：缓存后端接口，支持键值、集合索引、前缀删除与 Ping。
  - RedisKV：基于 go-redis 的后端，带连接池、后台健康检查与 SCAN 前缀删除。
  - LocalKV：基于 go-cache 的进程内后端，janitor 协程负责过期清理。

# 键空间

  - <namespace>:item:<id>              单个条目
  - <namespace>:query:<owner>:<hash>   查询结果
  - <namespace>:owner:<owner>          owner 的查询键索引集合

缓存时间取 TTL 与条目剩余寿命的较小值；NotFound 不缓存。
*/
package cache
