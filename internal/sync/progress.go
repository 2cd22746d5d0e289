package sync

import (
	gosync "sync"

	"github.com/cheggaaa/pb/v3"
	log "github.com/sirupsen/logrus"
)

const progressTemplate = `{{string . "batch"}} {{counters . }} {{bar . }} {{percent . }} {{speed . }}`

// ProgressBars draws one progress bar per batch in flight.
type ProgressBars struct {
	mu   gosync.Mutex
	pool *pb.Pool
	bars map[string]*pb.ProgressBar
}

// NewProgressBars returns an idle set of bars; the pool starts with the first batch.
func NewProgressBars() *ProgressBars {
	return &ProgressBars{bars: make(map[string]*pb.ProgressBar)}
}

func (p *ProgressBars) BatchStarted(batchID string, files int, bytes int64) {
	bar := pb.New64(bytes)
	bar.Set(pb.Bytes, true)
	bar.SetTemplate(progressTemplate)
	bar.Set("batch", batchID)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[batchID] = bar
	if p.pool != nil {
		p.pool.Add(bar)
		return
	}
	pool, err := pb.StartPool(bar)
	if err != nil {
		log.WithError(err).Debug("Progress pool unavailable, using a single bar")
		bar.Start()
		return
	}
	p.pool = pool
}

func (p *ProgressBars) FileDone(batchID string, bytes int64) {
	p.mu.Lock()
	bar := p.bars[batchID]
	p.mu.Unlock()
	if bar != nil {
		bar.Add64(bytes)
	}
}

func (p *ProgressBars) BatchFinished(batchID string) {
	p.mu.Lock()
	bar := p.bars[batchID]
	delete(p.bars, batchID)
	p.mu.Unlock()
	if bar != nil {
		bar.SetCurrent(bar.Total())
		bar.Finish()
	}
}

// Stop ends the pool after the last batch.
func (p *ProgressBars) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, bar := range p.bars {
		bar.Finish()
		delete(p.bars, id)
	}
	if p.pool != nil {
		if err := p.pool.Stop(); err != nil {
			log.WithError(err).Debug("Failed to stop progress pool")
		}
		p.pool = nil
	}
}
