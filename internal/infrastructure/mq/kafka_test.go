package mq

import "testing"

// 发件箱行的主题为空时必须在发送前拦下，不能带着空主题进 sarama
func TestSendMessageRejectsEmptyTopic(t *testing.T) {
	if err := SendMessage("", "k1", "payload"); err == nil {
		t.Fatal("空主题应返回错误")
	}
}
