// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package testutil 提供 agentmem 测试的共享工具和辅助函数。

# 概述

各包的单元测试共用这里的上下文、时钟与断言。

# 核心能力

  - 上下文与日志: TestContext 自动注册 Cleanup；TestLogger 输出到 t.Log
  - 时钟: Clock 可手动推进，注入到各组件的 Now 配置
  - 断言工具: AssertItemIDs / AssertNewestFirst / AssertErrorCode /
    AssertEventuallyTrue，基于 testify

# 子包

  - testutil/mocks: MockStore，包装内存存储并支持按操作注入错误、统计调用次数
  - testutil/fixtures: 对话条目、笔记、Agent 记录与确定性向量

# 使用示例

	ctx := testutil.TestContext(t)
	store := mocks.NewMockStore().WithQueryError(types.NewUnavailableError("db", io.EOF))
	items := fixtures.LongConversation("u1", 5)
*/
package testutil
