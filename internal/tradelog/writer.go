package tradelog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/internal/metrics"
	"github.com/betbot/solbot/pkg/logger"
)

// Writer 异步写入：Enqueue 不阻塞调用方，队列满时丢弃并计数
type Writer struct {
	store *Store
	ch    chan domain.TradeRecord
	done  chan struct{}
	log   *logrus.Entry
}

// NewWriter buffer 为队列长度
func NewWriter(store *Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	return &Writer{
		store: store,
		ch:    make(chan domain.TradeRecord, buffer),
		done:  make(chan struct{}),
		log:   logger.Component("tradelog"),
	}
}

// Enqueue 实现 session.TradeSink
func (w *Writer) Enqueue(rec domain.TradeRecord) {
	select {
	case w.ch <- rec:
	default:
		metrics.TradeLogDropped.Add(1)
		w.log.WithField("user", rec.UserID).Errorf("交易记录队列已满，丢弃 %s", rec.ID)
	}
}

// Run 持续写入直到 ctx 结束；结束前把队列中剩余的记录写完
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case rec := <-w.ch:
			w.write(ctx, rec)
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

// Done Run 退出后关闭
func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-w.ch:
			w.write(ctx, rec)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, rec domain.TradeRecord) {
	if err := w.store.Insert(ctx, rec); err != nil {
		w.log.WithField("user", rec.UserID).Errorf("写入交易记录失败: %v", err)
	}
}
