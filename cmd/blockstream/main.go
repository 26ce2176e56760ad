package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/knadh/koanf/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tarungka/blockstream/internal/block"
	"github.com/tarungka/blockstream/internal/execution"
	"github.com/tarungka/blockstream/internal/logger"
	"github.com/tarungka/blockstream/internal/operators"
	"github.com/tarungka/blockstream/internal/split"
)

var (
	buildString = "unknown"
	ko          = koanf.New(".")
)

// generateBlocks builds the source dataset for one epoch: ascending ids in
// fixed-size blocks.
func generateBlocks(totalRows, blockRows int) []*block.Block {
	var blocks []*block.Block
	for start := 0; start < totalRows; start += blockRows {
		n := min(blockRows, totalRows-start)
		ids := make([]any, n)
		values := make([]any, n)
		for i := 0; i < n; i++ {
			ids[i] = int64(start + i)
			values[i] = int64(0)
		}
		blocks = append(blocks, block.MustNew(block.Schema{"id", "value"}, [][]any{ids, values}))
	}
	return blocks
}

// squareIDs fills the value column with id squared.
func squareIDs(in *block.Block) (*block.Block, error) {
	n := in.NumRows()
	ids := make([]any, n)
	values := make([]any, n)
	for i := 0; i < n; i++ {
		id := in.Value(0, i).(int64)
		ids[i] = id
		values[i] = id * id
	}
	return block.New(in.Schema(), [][]any{ids, values})
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	initFlags(ko)

	if ko.Bool("version") {
		fmt.Println(buildString)
		os.Exit(0)
	}
	if ko.Bool("debug") {
		logger.SetDevelopment(true)
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	totalRows := ko.Int("rows")
	blockRows := ko.Int("block-rows")
	limit := ko.Int64("limit")
	splits := ko.Int("splits")
	epochs := ko.Int("epochs")

	log.Info().
		Int("rows", totalRows).
		Int("block_rows", blockRows).
		Int64("limit", limit).
		Int("splits", splits).
		Bool("equal", ko.Bool("equal")).
		Int("epochs", epochs).
		Msg("Starting split pipeline run")

	// The runner occupies one worker while map stages borrow others, so a
	// single-worker pool would wedge.
	pool, err := ants.NewPool(max(2, ko.Int("workers")))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create goroutine pool")
	}
	defer pool.Release()

	store := block.NewStore()

	factory := func() ([]execution.PhysicalOperator, error) {
		src := operators.NewSource(store, generateBlocks(totalRows, blockRows))
		mapper := operators.NewMap("square", src, store, pool, squareIDs)
		chain := []execution.PhysicalOperator{src, mapper}
		if limit >= 0 {
			chain = append(chain, operators.NewLimit(mapper, store, limit))
		}
		return chain, nil
	}

	coord, err := split.NewCoordinator(split.Config{
		Factory:    factory,
		Store:      store,
		Pool:       pool,
		N:          splits,
		Equal:      ko.Bool("equal"),
		BufferSize: ko.Int("buffer"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create split coordinator")
	}

	readers := split.NewReaders(coord, store)
	for epoch := 0; epoch < epochs; epoch++ {
		var wg sync.WaitGroup
		for _, r := range readers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := r.StartEpoch()
				if err != nil {
					log.Error().Err(err).Int("split", r.SplitIdx()).Msg("Failed to start epoch")
					return
				}
				rows, blocks := 0, 0
				for {
					b, err := r.NextBlock()
					if err == io.EOF {
						break
					}
					if err != nil {
						log.Error().Err(err).Int("split", r.SplitIdx()).Msg("Read failed")
						return
					}
					blocks++
					rows += b.NumRows()
				}
				log.Info().
					Int64("epoch", id).
					Int("split", r.SplitIdx()).
					Int("blocks", blocks).
					Int("rows", rows).
					Msg("Split drained")
			}()
		}
		wg.Wait()
	}

	log.Info().Int("blocks_in_store", store.Len()).Msg("Run complete")
}
