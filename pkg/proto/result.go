package proto

import (
	"runtime"

	"github.com/pkg/errors"
)

const (
	resultKindVoid         = 1
	resultKindRows         = 2
	resultKindSetKeyspace  = 3
	resultKindPrepared     = 4
	resultKindSchemaChange = 5

	rowsFlagGlobalTableSpec = 0x01
	rowsFlagHasMorePages    = 0x02
	rowsFlagNoMetadata      = 0x04
)

// Column identifies one column of a row set. Value typing and decoding belong
// to the codec layer, not this package.
type Column struct {
	Keyspace string
	Table    string
	Name     string
}

// Result is the decoded body of a RESULT frame. Row values are raw cell
// bytes; a nil cell is a null.
type Result struct {
	Columns     []Column
	Rows        [][][]byte
	PagingState []byte

	// Keyspace is set for USE statement results.
	Keyspace string
	// PreparedID is set for PREPARE results.
	PreparedID []byte
	// SchemaChange is set for schema altering statement results.
	SchemaChange string

	Warnings []string
}

// ParseAuthenticate returns the authenticator class name from an
// AUTHENTICATE frame body.
func (f *Framer) ParseAuthenticate() (authenticator string, err error) {
	defer f.recoverParse(&err)
	return f.readString(), nil
}

// ParseError decodes an ERROR frame body into a typed RequestError. This is
// the error classification boundary: every defined code maps to a structured
// error and unknown codes map to ErrServer, decoding never fails the query.
func (f *Framer) ParseError() (reqErr RequestError, err error) {
	defer f.recoverParse(&err)
	return f.parseErrorFrame(), nil
}

// ParseResult decodes a RESULT frame body.
func (f *Framer) ParseResult() (res *Result, err error) {
	defer f.recoverParse(&err)

	res = &Result{Warnings: f.header.Warnings}
	kind := f.readInt()
	switch kind {
	case resultKindVoid:
	case resultKindRows:
		f.parseRows(res)
	case resultKindSetKeyspace:
		res.Keyspace = f.readString()
	case resultKindPrepared:
		res.PreparedID = f.readShortBytes()
	case resultKindSchemaChange:
		res.SchemaChange = f.readString()
	default:
		return nil, errors.Errorf("unknown result kind: %d", kind)
	}
	return res, nil
}

func (f *Framer) parseRows(res *Result) {
	flags := f.readInt()
	colCount := f.readInt()

	if flags&rowsFlagHasMorePages != 0 {
		res.PagingState = f.readBytes()
	}

	var globalKeyspace, globalTable string
	if flags&rowsFlagGlobalTableSpec != 0 {
		globalKeyspace = f.readString()
		globalTable = f.readString()
	}

	if flags&rowsFlagNoMetadata == 0 {
		res.Columns = make([]Column, colCount)
		for i := 0; i < colCount; i++ {
			col := Column{Keyspace: globalKeyspace, Table: globalTable}
			if flags&rowsFlagGlobalTableSpec == 0 {
				col.Keyspace = f.readString()
				col.Table = f.readString()
			}
			col.Name = f.readString()
			f.skipTypeInfo()
			res.Columns[i] = col
		}
	}

	rowCount := f.readInt()
	res.Rows = make([][][]byte, rowCount)
	for i := 0; i < rowCount; i++ {
		row := make([][]byte, colCount)
		for j := 0; j < colCount; j++ {
			row[j] = f.readBytes()
		}
		res.Rows[i] = row
	}
}

// skipTypeInfo consumes one column type option without interpreting it.
func (f *Framer) skipTypeInfo() {
	const (
		typeCustom = 0x0000
		typeList   = 0x0020
		typeMap    = 0x0021
		typeSet    = 0x0022
		typeUDT    = 0x0030
		typeTuple  = 0x0031
	)

	id := int(f.readShort())
	switch id {
	case typeCustom:
		f.readString()
	case typeList, typeSet:
		f.skipTypeInfo()
	case typeMap:
		f.skipTypeInfo()
		f.skipTypeInfo()
	case typeUDT:
		f.readString()
		f.readString()
		n := int(f.readShort())
		for i := 0; i < n; i++ {
			f.readString()
			f.skipTypeInfo()
		}
	case typeTuple:
		n := int(f.readShort())
		for i := 0; i < n; i++ {
			f.skipTypeInfo()
		}
	}
}

// recoverParse converts out-of-bounds reads on malformed bodies into errors
// instead of crashing the connection goroutine.
func (f *Framer) recoverParse(err *error) {
	if r := recover(); r != nil {
		if _, ok := r.(runtime.Error); ok {
			panic(r)
		}
		*err = r.(error)
	}
}
