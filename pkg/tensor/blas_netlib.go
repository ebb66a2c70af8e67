//go:build netlib

package tensor

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// Built with -tags netlib, matrix products run on the system BLAS (for
// example OpenBLAS, selected through CGO_LDFLAGS) instead of gonum's pure Go
// kernels.
func init() {
	blas32.Use(netlib.Implementation{})
}
