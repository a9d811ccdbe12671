package engine

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"

	"github.com/viant/sqlite-ann/vector"
	sqlite "modernc.org/sqlite"
)

var registerOnce sync.Once
var registerErr error

// RegisterVectorFunctions registers vec_cosine, vec_l2 and vec_dim with the
// driver so they are available on new connections opened after this call.
// Existing open connections will not see new functions.
func RegisterVectorFunctions(_ *sql.DB) error {
	registerOnce.Do(func() {
		for name, impl := range map[string]func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error){
			"vec_cosine": vecCosineImpl,
			"vec_l2":     vecL2Impl,
		} {
			if err := sqlite.RegisterDeterministicScalarFunction(name, 2, impl); err != nil && !alreadyRegistered(err) {
				registerErr = fmt.Errorf("engine: register %s: %w", name, err)
				return
			}
		}
		if err := sqlite.RegisterDeterministicScalarFunction("vec_dim", 1, vecDimImpl); err != nil && !alreadyRegistered(err) {
			registerErr = fmt.Errorf("engine: register vec_dim: %w", err)
		}
	})
	return registerErr
}

func alreadyRegistered(err error) bool {
	return strings.Contains(err.Error(), "already registered")
}

func asEmbedding(arg driver.Value) ([]float32, error) {
	switch v := arg.(type) {
	case nil:
		return nil, nil
	case []byte:
		return vector.DecodeEmbedding(v)
	default:
		return nil, fmt.Errorf("vec: unsupported argument type %T for embedding; want BLOB", arg)
	}
}

func embeddingPair(name string, args []driver.Value) ([]float32, []float32, error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("%s: expected 2 arguments, got %d", name, len(args))
	}
	a, err := asEmbedding(args[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := asEmbedding(args[1])
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// vecCosineImpl returns the cosine similarity; zero-magnitude inputs score 0.
func vecCosineImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, b, err := embeddingPair("vec_cosine", args)
	if err != nil {
		return nil, err
	}
	if a == nil || b == nil {
		return nil, nil
	}
	return vector.CosineSimilarity(a, b)
}

func vecL2Impl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, b, err := embeddingPair("vec_l2", args)
	if err != nil {
		return nil, err
	}
	if a == nil || b == nil {
		return nil, nil
	}
	return vector.L2Distance(a, b)
}

func vecDimImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	v, err := asEmbedding(args[0])
	if err != nil {
		return nil, err
	}
	return int64(len(v)), nil
}
