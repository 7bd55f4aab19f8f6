package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ehr/ipd/internal/domain/bed"
	"github.com/ehr/ipd/internal/domain/ward"
)

type bedRegistrar interface {
	Register(ctx context.Context, b *bed.Bed) error
}

type seedResult struct {
	created int
	skipped int
}

func parseSeed(r io.Reader) ([]*bed.Bed, error) {
	var beds []*bed.Bed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&beds); err != nil {
		return nil, fmt.Errorf("parse bed seed: %w", err)
	}
	return beds, nil
}

// seedBeds registers each bed, skipping codes that are already registered so
// the same file can be applied twice.
func seedBeds(ctx context.Context, reg bedRegistrar, beds []*bed.Bed) (seedResult, error) {
	var res seedResult
	for i, b := range beds {
		err := reg.Register(ctx, b)
		var verr *ward.ValidationError
		switch {
		case err == nil:
			res.created++
		case errors.As(err, &verr) && verr.Field == "code" && b.Code != "":
			res.skipped++
		default:
			return res, fmt.Errorf("bed %d (%q): %w", i, b.Code, err)
		}
	}
	return res, nil
}
