package appendlog

import "errors"

var (
	errStorage     = errors.New("appendlog: storage error")
	errReadOnly    = errors.New("appendlog: drive is read-only")
	errNotReserved = errors.New("appendlog: block index not reserved")
)
