// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 管理关系型存储适配器共享的 GORM 连接池。

Open 按驱动名选择 postgres、mysql 或纯 Go 的 sqlite 方言；中期与长期
记忆表共用同一个 PoolManager。后台 monitor 定时探活，记录连续失败次数，
并把连接数写入指标。

IsTransientError 决定弹性代理是否重试：优先读取 pgconn.PgError 的 SQLSTATE
与 MySQLError 的错误号，其次识别网络错误，最后按消息匹配（sqlite）。
*/
package database
