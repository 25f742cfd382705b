// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供记忆核心的共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 storage、cache、ranking、
memory、service 提供统一的数据与错误契约。

# 核心类型

  - MemoryItem / ItemKind — 记忆条目与种类（conversation、note、system）
  - AgentRecord           — Agent 的结构化记录，负载为原始 JSON
  - Error / ErrorCode     — 结构化错误，携带 Retryable 与 Backend 标记
  - ComponentHealth       — 单个组件的健康检查结果
  - HealthStatus          — 聚合健康报告，每次检查重新计算

# 错误工具

  - 构造：NewValidationError、NewNotFoundError、NewWriteError、NewQueryError、
    NewCircuitOpenError、NewDependencyError、NewUnavailableError
  - 判定：IsValidation、IsNotFound、IsCircuitOpen、IsDependencyMissing、
    IsTransient、IsClientError
  - 对外：HTTPStatus、PublicMessage 不泄露后端细节
*/
package types
