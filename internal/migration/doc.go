// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 维护关系型后端的表结构：中期记忆 memory_items、长期记忆
long_term_items 与 agent_records。

PostgreSQL 与 MySQL 的 SQL 文件内嵌在二进制中，由 golang-migrate 执行；
SQLite 只用于开发与测试，表结构由关系型适配器的 AutoMigrate 创建，
New 对 sqlite 返回 ErrManagedByAdapter。

  - Dialect / ParseDialect / DSN：方言解析与连接串生成，关系型适配器复用 DSN。
  - Migrator / SchemaMigrator：Up、Down、Force、Version、Plan，ctx 取消时
    在当前迁移文件结束后停止。
  - Reporter：agentmem migrate 子命令的终端输出。
*/
package migration
