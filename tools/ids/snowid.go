package ids

import (
	"strconv"
	"sync"
	"time"
)

// 连接ID/实例ID生成。雪花布局：41bit 毫秒时间戳 | 10bit 节点 | 12bit 序列。
// 字符串形式用 base36，连接ID会出现在每条日志里，短一点好读。
const (
	seqBits  = 12
	nodeBits = 10
	seqMask  = int64(1)<<seqBits - 1
	maxNode  = int64(1)<<nodeBits - 1
)

var epochMS = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

type generator struct {
	mu     sync.Mutex
	nodeID int64
	seq    int64
	lastMS int64
}

var defaultGen = &generator{nodeID: 1}

// SetNodeID 设置本进程的节点位（0~1023），部署多实例时在启动期调用一次。
// 越界时退回 1。
func SetNodeID(nodeID int64) {
	if nodeID < 0 || nodeID > maxNode {
		nodeID = 1
	}
	defaultGen.mu.Lock()
	defaultGen.nodeID = nodeID
	defaultGen.mu.Unlock()
}

func Generate() int64 {
	return defaultGen.next()
}

// GenerateString 生成 base36 形式的ID（连接ID用这个）。
func GenerateString() string {
	return strconv.FormatInt(Generate(), 36)
}

func (g *generator) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	for now < g.lastMS {
		// 时钟回拨：等到追上为止，绝不发回退的ID
		time.Sleep(time.Duration(g.lastMS-now) * time.Millisecond)
		now = time.Now().UnixMilli()
	}

	if now == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// 当前毫秒的序列用尽，自旋到下一毫秒
			for now <= g.lastMS {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now

	ts := (now - epochMS) & (int64(1)<<41 - 1)
	return ts<<(nodeBits+seqBits) | g.nodeID<<seqBits | g.seq
}
