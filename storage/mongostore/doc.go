// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package mongostore 提供基于 MongoDB 的文档型 storage.Store 适配器。

条目保存在 memory_items 集合，Agent 记录保存在 agent_records 集合，
字段名与关系型表列一致（owner_id、session_id、created_at、expires_at）。
元数据过滤下推为 metadata.<key> 等值条件。

删除先投影出命中的 _id，再按 DeleteBatchSize 分批 DeleteMany。
网络、超时与断连错误转换为可重试的 BackendUnavailable。

集成测试需要 -tags integration 与 AGENTMEM_TEST_MONGO_URI。
*/
package mongostore
