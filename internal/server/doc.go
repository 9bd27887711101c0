// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 swarmflow serve 命令中 HTTP 服务器的生命周期。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供非阻塞
    Start、带超时的 Shutdown，以及等待异步错误的 Wait。
  - Config：监听地址、读写与空闲超时、请求头上限、关闭超时，
    以及可选的 TLS 证书与私钥路径。

# 主要能力

  - 同时配置证书与私钥时，Start 通过 tlsutil.ServerTLSConfig
    构造仅含 AEAD 套件的 TLS 配置并以 HTTPS 监听。
  - Addr 在启动后返回实际监听地址，便于 ":0" 随机端口测试。
  - 信号处理由调用方负责（cmd 使用 signal.NotifyContext），
    Wait 在 ctx 结束时返回 nil，在 Serve 异常退出时返回错误。
*/
package server
