/*
Package engine 定义推理阶段的公共约定：阶段名称、阶段顺序、输出载荷类型与推理参数。

具体引擎位于子包：

  - synthetic：进程内合成引擎，按参数生成确定性的运动、形变与画面，用于演示与测试
  - remote   ：通过 HTTP 调用外部推理服务，每个阶段一个端点
*/
package engine
