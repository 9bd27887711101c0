/*
Package types 提供 swarmflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、api、cmd 等上层
模块提供统一的错误契约与 context 传播工具。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - VALIDATION_ERROR / NODE_EXECUTION_ERROR / RESOURCE_EXHAUSTED / PROVIDER_ERROR
    — 引擎错误分类
  - RUN_NOT_FOUND / RUN_TERMINAL — 运行注册表错误

# 主要能力

  - 错误工具链：AsError / GetErrorCode / IsRetryable（支持 errors.As 链式查找）
  - Context 传播：WithUserID / WithRoles（认证主体与角色声明）
*/
package types
