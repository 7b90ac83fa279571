/*
Package types defines the contracts shared by the storage backends, the
session layer and the flush protocol.

The central interface is ObjectStore: a small capability set (ranged get,
whole-object put, multipart begin/part/complete/abort, head, delete, list)
that S3, MinIO, Azure Blob and the in-memory store all implement. Multipart
state travels in an UploadSession whose part numbers start at 1 and grow by
exactly one per recorded part.
*/
package types
