package core

// Byte estimates used for bandwidth budgeting. Every vector scalar is counted
// at bytesPerScalar regardless of the stored float width.
const (
	recordOverhead = 100
	bytesPerScalar = 8
)

func estimateVectorBytes(dim int) int {
	return recordOverhead + dim*bytesPerScalar
}

// estimateChunkBytes estimates the data a bulk step touches for one chunk.
func estimateChunkBytes(dim, textLen, searchableLen, metadataLen int) int {
	n := recordOverhead + textLen + searchableLen + metadataLen
	if dim > 0 {
		n += estimateVectorBytes(dim)
	}
	return n
}

// budget tracks estimated bytes within one transaction.
type budget struct {
	used int
	soft int
	hard int
}

func newBudget(cfg BandwidthConfig) *budget {
	return &budget{soft: cfg.SoftLimit, hard: cfg.HardLimit}
}

func (b *budget) add(n int) { b.used += n }

// wouldExceedHard reports whether adding n more bytes crosses the hard limit.
func (b *budget) wouldExceedHard(n int) bool { return b.used+n > b.hard }

func (b *budget) softExceeded() bool { return b.used >= b.soft }
