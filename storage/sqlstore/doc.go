// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package sqlstore 提供基于 GORM 的关系型 storage.Store 适配器。

# 方言

通过 internal/database 的 PoolManager 打开 PostgreSQL、MySQL 或纯 Go SQLite。
PostgreSQL 与 MySQL 的表结构由 internal/migration 管理；SQLite 通过
Config.AutoMigrate 建表。

# 语义

  - SaveItem / SaveAgentRecord 以 id 冲突 upsert，created_at 不被覆盖
  - QueryItems 按 created_at、id 倒序；元数据条件在 Go 侧分页过滤
  - DeleteItems 先选出 ID，再按批次逐个事务删除，可选限速
  - 连接类错误转换为可重试的 BackendUnavailable
*/
package sqlstore
