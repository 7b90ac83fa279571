package vol

import (
	"context"
	"sync"
	"time"

	"github.com/objectfs/cloudvol/pkg/errors"
)

// Status is the herr_t-shaped result of a callback.
type Status int32

const (
	Succeed Status = 0
	Fail    Status = -1
)

// Error classes pushed on the error stack, following the H5E major/minor
// convention.
const (
	MajorFile     = "FILE"
	MajorIO       = "IO"
	MajorStorage  = "STORAGE"
	MajorArgs     = "ARGS"
	MajorInternal = "INTERNAL"

	MinorCantOpenFile  = "CANTOPENFILE"
	MinorCantCloseFile = "CANTCLOSEFILE"
	MinorCantFlush     = "CANTFLUSH"
	MinorNotFound      = "NOTFOUND"
	MinorAuth          = "AUTH"
	MinorReadError     = "READERROR"
	MinorWriteError    = "WRITEERROR"
	MinorBadValue      = "BADVALUE"
	MinorNone          = "NONE"
)

// ErrorRecord is one entry of the error stack.
type ErrorRecord struct {
	Major string
	Minor string
	Op    string
	Err   error
	Time  time.Time
}

// ErrorStack collects the errors reported through the callback table.
type ErrorStack struct {
	mu      sync.Mutex
	records []ErrorRecord
}

// Push records err for op.
func (s *ErrorStack) Push(op string, err error) {
	major, minor := classify(op, err)
	s.mu.Lock()
	s.records = append(s.records, ErrorRecord{
		Major: major,
		Minor: minor,
		Op:    op,
		Err:   err,
		Time:  time.Now(),
	})
	s.mu.Unlock()
}

// Records returns the stack, oldest first.
func (s *ErrorStack) Records() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorRecord(nil), s.records...)
}

// Last returns the most recent record.
func (s *ErrorStack) Last() (ErrorRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return ErrorRecord{}, false
	}
	return s.records[len(s.records)-1], true
}

// Len returns the number of records.
func (s *ErrorStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Clear empties the stack.
func (s *ErrorStack) Clear() {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
}

func classify(op string, err error) (major, minor string) {
	category := errors.CategoryOf(err)

	switch category {
	case errors.CategoryState:
		major = MajorArgs
	case errors.CategoryTransient, errors.CategoryTerminal, errors.CategoryAuth, errors.CategoryNotFound:
		major = MajorStorage
	case errors.CategoryConfiguration:
		major = MajorFile
	case errors.CategoryFlush:
		major = MajorIO
	default:
		major = MajorInternal
	}

	switch category {
	case errors.CategoryNotFound:
		return major, MinorNotFound
	case errors.CategoryAuth:
		return major, MinorAuth
	case errors.CategoryFlush:
		return major, MinorCantFlush
	case errors.CategoryState:
		return major, MinorBadValue
	}

	switch op {
	case "file_create", "file_open":
		return major, MinorCantOpenFile
	case "file_close", "terminate":
		return major, MinorCantCloseFile
	case "file_flush":
		return major, MinorCantFlush
	case "file_read":
		return major, MinorReadError
	case "file_write":
		return major, MinorWriteError
	}
	return major, MinorNone
}

// CallbackTable is the flat callback surface registered with HDF5. Every
// callback blocks until its work is done and reports failures as Fail plus
// an error stack record.
type CallbackTable struct {
	FileCreate   func(name string, flags Flags, out *Handle) Status
	FileOpen     func(name string, flags Flags, out *Handle) Status
	FileGetSize  func(h Handle, out *int64) Status
	FileRead     func(h Handle, offset int64, buf []byte) Status
	FileWrite    func(h Handle, offset int64, data []byte) Status
	FileFlush    func(h Handle) Status
	FileClose    func(h Handle) Status
	FileDiscard  func(h Handle) Status
	FileGet      func(h Handle, kind GetKind, out *any) Status
	FileSpecific func(op SpecificOp, name string, out *bool) Status

	GroupCreate func(h Handle, path string) Status
	GroupOpen   func(h Handle, path string) Status
	GroupGet    func(h Handle, path string, out *GroupInfo) Status
	GroupClose  func(h Handle, path string) Status

	AttrCreate func(h Handle, object, name string, value []byte) Status
	AttrRead   func(h Handle, object, name string, out *[]byte) Status
	AttrWrite  func(h Handle, object, name string, value []byte) Status
	AttrExists func(h Handle, object, name string, out *bool) Status
	AttrDelete func(h Handle, object, name string) Status
	AttrClose  func(h Handle, object, name string) Status

	Terminate func() Status
}

// Table binds a callback table to d. Callbacks run under ctx.
func (d *Dispatcher) Table(ctx context.Context) *CallbackTable {
	status := func(op string, err error) Status {
		if err == nil {
			return Succeed
		}
		d.stack.Push(op, err)
		d.logger.Debug("callback failed", "op", op, "error", err)
		return Fail
	}

	return &CallbackTable{
		FileCreate: func(name string, flags Flags, out *Handle) Status {
			h, err := d.FileCreate(ctx, name, flags)
			if err == nil {
				*out = h
			}
			return status("file_create", err)
		},
		FileOpen: func(name string, flags Flags, out *Handle) Status {
			h, err := d.FileOpen(ctx, name, flags)
			if err == nil {
				*out = h
			}
			return status("file_open", err)
		},
		FileGetSize: func(h Handle, out *int64) Status {
			n, err := d.FileGetSize(ctx, h)
			if err == nil {
				*out = n
			}
			return status("file_get_size", err)
		},
		FileRead: func(h Handle, offset int64, buf []byte) Status {
			return status("file_read", d.FileRead(ctx, h, offset, buf))
		},
		FileWrite: func(h Handle, offset int64, data []byte) Status {
			return status("file_write", d.FileWrite(ctx, h, offset, data))
		},
		FileFlush: func(h Handle) Status {
			return status("file_flush", d.FileFlush(ctx, h))
		},
		FileClose: func(h Handle) Status {
			return status("file_close", d.FileClose(ctx, h))
		},
		FileDiscard: func(h Handle) Status {
			return status("file_discard", d.FileDiscard(ctx, h))
		},
		FileGet: func(h Handle, kind GetKind, out *any) Status {
			v, err := d.FileGet(ctx, h, kind)
			if err == nil {
				*out = v
			}
			return status("file_get", err)
		},
		FileSpecific: func(op SpecificOp, name string, out *bool) Status {
			ok, err := d.FileSpecific(ctx, op, name)
			if err == nil {
				*out = ok
			}
			return status("file_specific", err)
		},

		GroupCreate: func(h Handle, path string) Status {
			return status("group_create", d.passThrough(h, "group_create", func() error {
				return d.native.GroupCreate(h, path)
			}))
		},
		GroupOpen: func(h Handle, path string) Status {
			return status("group_open", d.passThrough(h, "group_open", func() error {
				return d.native.GroupOpen(h, path)
			}))
		},
		GroupGet: func(h Handle, path string, out *GroupInfo) Status {
			return status("group_get", d.passThrough(h, "group_get", func() error {
				info, err := d.native.GroupInfo(h, path)
				if err == nil {
					*out = info
				}
				return err
			}))
		},
		GroupClose: func(h Handle, path string) Status {
			return status("group_close", d.passThrough(h, "group_close", func() error {
				return d.native.GroupClose(h, path)
			}))
		},

		AttrCreate: func(h Handle, object, name string, value []byte) Status {
			return status("attr_create", d.passThrough(h, "attr_create", func() error {
				return d.native.AttrCreate(h, object, name, value)
			}))
		},
		AttrRead: func(h Handle, object, name string, out *[]byte) Status {
			return status("attr_read", d.passThrough(h, "attr_read", func() error {
				v, err := d.native.AttrRead(h, object, name)
				if err == nil {
					*out = v
				}
				return err
			}))
		},
		AttrWrite: func(h Handle, object, name string, value []byte) Status {
			return status("attr_write", d.passThrough(h, "attr_write", func() error {
				return d.native.AttrWrite(h, object, name, value)
			}))
		},
		AttrExists: func(h Handle, object, name string, out *bool) Status {
			return status("attr_exists", d.passThrough(h, "attr_exists", func() error {
				ok, err := d.native.AttrExists(h, object, name)
				if err == nil {
					*out = ok
				}
				return err
			}))
		},
		AttrDelete: func(h Handle, object, name string) Status {
			return status("attr_delete", d.passThrough(h, "attr_delete", func() error {
				return d.native.AttrDelete(h, object, name)
			}))
		},
		AttrClose: func(h Handle, object, name string) Status {
			return status("attr_close", d.passThrough(h, "attr_close", func() error {
				return d.native.AttrClose(h, object, name)
			}))
		},

		Terminate: func() Status {
			return status("terminate", d.Terminate(ctx))
		},
	}
}

// passThrough runs fn for an open file without touching the byte stream.
func (d *Dispatcher) passThrough(h Handle, op string, fn func() error) error {
	f, err := d.acquire(h, op)
	if err != nil {
		return err
	}
	defer f.mu.Unlock()
	return fn()
}
