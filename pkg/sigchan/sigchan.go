// Package sigchan 提供不携带数据的事件信号通道
package sigchan

// Chan 非阻塞信号通道，只表达"发生过"，不传递内容
type Chan struct {
	c chan struct{}
}

// New 创建信号通道，bufferSize 决定可积压的未消费信号数
func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发出信号，通道已满时直接丢弃
// 信号本身不携带状态，消费者醒来后读取最新状态即可
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回底层通道，供 select 消费
func (c *Chan) C() <-chan struct{} {
	return c.c
}
