package domain

import (
	"iter"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const priceLevelTreeDegree = 32

type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

func NewPriceLevel(price, size string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, err
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return PriceLevel{}, err
	}
	return PriceLevel{Price: p, Size: s}, nil
}

// PriceLevelSide is one side of a book. Levels are unique by price, always have a positive
// size, and are kept in side order: descending for bids, ascending for asks.
// It is not safe for concurrent use, the owning OrderBook serializes access.
type PriceLevelSide struct {
	descending bool
	tree       *btree.BTreeG[PriceLevel]
}

func NewBidsSide() *PriceLevelSide {
	return newPriceLevelSide(true)
}

func NewAsksSide() *PriceLevelSide {
	return newPriceLevelSide(false)
}

func newPriceLevelSide(descending bool) *PriceLevelSide {
	less := func(a, b PriceLevel) bool {
		return a.Price.Cmp(b.Price) < 0
	}
	if descending {
		less = func(a, b PriceLevel) bool {
			return a.Price.Cmp(b.Price) > 0
		}
	}

	return &PriceLevelSide{
		descending: descending,
		tree:       btree.NewG(priceLevelTreeDegree, less),
	}
}

// Upsert inserts or replaces the level at price. A zero size removes it, absent or not.
func (s *PriceLevelSide) Upsert(price, size decimal.Decimal) error {
	switch size.Sign() {
	case -1:
		return ErrInvalidDelta
	case 0:
		s.tree.Delete(PriceLevel{Price: price})
	default:
		s.tree.ReplaceOrInsert(PriceLevel{Price: price, Size: size})
	}
	return nil
}

// TopN yields up to n levels in side order, every level when n <= 0.
func (s *PriceLevelSide) TopN(n int) iter.Seq[PriceLevel] {
	return func(yield func(PriceLevel) bool) {
		count := 0
		s.tree.Ascend(func(level PriceLevel) bool {
			if n > 0 && count >= n {
				return false
			}
			count++
			return yield(level)
		})
	}
}

func (s *PriceLevelSide) Levels(n int) []PriceLevel {
	size := s.tree.Len()
	if n > 0 && n < size {
		size = n
	}

	levels := make([]PriceLevel, 0, size)
	for level := range s.TopN(n) {
		levels = append(levels, level)
	}
	return levels
}

// Best is the highest bid or the lowest ask.
func (s *PriceLevelSide) Best() (PriceLevel, bool) {
	return s.tree.Min()
}

func (s *PriceLevelSide) Get(price decimal.Decimal) (decimal.Decimal, bool) {
	level, ok := s.tree.Get(PriceLevel{Price: price})
	return level.Size, ok
}

func (s *PriceLevelSide) Len() int {
	return s.tree.Len()
}

func (s *PriceLevelSide) IsDescending() bool {
	return s.descending
}

// Reset replaces every level. Non positive sizes are skipped.
func (s *PriceLevelSide) Reset(levels []PriceLevel) {
	s.Clear()
	for _, level := range levels {
		if level.Size.Sign() > 0 {
			s.tree.ReplaceOrInsert(level)
		}
	}
}

func (s *PriceLevelSide) Clear() {
	s.tree.Clear(false)
}
