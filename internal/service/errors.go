package service

import (
	"errors"
	"fmt"
)

// ErrMalformedRecord marks a scraped payload with no usable identity or
// title. The record is skipped and logged; the batch continues.
var ErrMalformedRecord = errors.New("malformed record")

// Stage identifies where in a product's pipeline a failure occurred.
// Failure counts are reported per stage; stages never drive control flow
// beyond failing the current product.
type Stage string

const (
	StageNormalize     Stage = "normalize"
	StageLoadPrevious  Stage = "load_previous"
	StageProductUpsert Stage = "product_upsert"
	StageEnrich        Stage = "enrich"
	StageReconcile     Stage = "reconcile"
)

// StageError wraps a failure with the product identity and stage it
// occurred at, so run summaries can attribute it.
type StageError struct {
	Stage     Stage
	ProductID string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for product %s: %v", e.Stage, e.ProductID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, productID string, err error) *StageError {
	return &StageError{Stage: stage, ProductID: productID, Err: err}
}
