//go:build windows

package qstore

import (
	"github.com/billgraziano/dpapi"
)

// protect binds the sealed blob to the machine with Windows DPAPI.
func protect(sealed []byte) ([]byte, error) {
	return dpapi.EncryptBytes(sealed)
}

func unprotect(data []byte) ([]byte, error) {
	return dpapi.DecryptBytes(data)
}
