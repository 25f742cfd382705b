// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 ranking 提供记忆条目的余弦相似度排序。

# 概述

Ranker 对一组候选条目按与查询向量的余弦相似度打分，返回至多 topK 个
结果。配置了 ANN 后端时优先委托给 ANN，ANN 的任何失败都回退到精确
打分，排序本身从不返回错误。

# 核心类型

  - Ranker：排序器，内置熔断器，ANN 连续失败后暂停委托一段时间。
  - ANN：近似最近邻后端接口，检索只在候选集合内进行。
  - QdrantANN：基于 Qdrant REST API 的远程后端。
  - ChromemANN：基于 chromem-go 的嵌入式后端，可选持久化。

# 排序规则

分数降序；同分时 created_at 较新者在前，再按 ID 升序。
维度与查询不一致或没有向量的候选被跳过。
*/
package ranking
