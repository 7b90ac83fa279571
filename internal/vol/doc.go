/*
Package vol implements the HDF5 Virtual Object Layer callbacks that make an
object in a bucket behave like a random-access file.

A Dispatcher owns every open VirtualFile. Each file has its own byte-range
cache, write buffer and flush state; only the client session is shared, and
it is built on the first create or open.

	read   dirty bytes, then cached bytes, then one GET per absent run
	write  staged in the write buffer; no network unless the dirty limit is hit
	flush  one PUT below the multipart threshold, a multipart upload above it
	close  flush, then release; a failed flush keeps the handle open

Groups and attributes are not part of the byte stream and are delegated to
a Native implementation, by default an in-memory tree per file.

CallbackTable is the ABI surface: a flat struct of closures bound to one
Dispatcher. Callbacks return Succeed or Fail and push failures onto the
dispatcher's ErrorStack with H5E-style major and minor classes.

	d, err := vol.NewDispatcher(sessions)
	if err != nil {
		return err
	}
	tbl := d.Table(ctx)

	var h vol.Handle
	if tbl.FileCreate("run.h5", vol.FlagTruncate, &h) != vol.Succeed {
		rec, _ := d.Errors().Last()
		return rec.Err
	}
*/
package vol
