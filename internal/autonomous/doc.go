// Package autonomous 周期性地驱动无人值守的交易循环。
//
// 每个周期入队一个允许干预的 AUTONOMOUS_CYCLE 任务；任务就绪后依次执行
// 行情采集、组合分析、决策推导与条件下单，每一步都写入会话并广播 cycle_step。
package autonomous
