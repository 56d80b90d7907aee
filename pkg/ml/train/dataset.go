// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/seracml/serac/pkg/core/tensors"
)

// Dataset is a sequence of (inputs, labels) batches consumed by a training or
// evaluation loop.
//
// All tensors yielded must share the dtype and trailing dimensions expected by
// the model; the leading axis is the batch axis.
type Dataset interface {
	// Name identifies the dataset in logs and error messages.
	Name() string

	// Yield returns the next batch of the current epoch.
	//
	// It returns io.EOF (not wrapped) when the epoch ended, in which case
	// inputs and labels are nil and the caller is expected to Reset before
	// the next epoch. Any other error aborts the loop. Implementations
	// configured to loop forever simply never return io.EOF.
	Yield() (inputs, labels *tensors.Tensor, err error)

	// Reset restarts the dataset from the beginning. Datasets configured to
	// shuffle draw a new order.
	Reset()
}
