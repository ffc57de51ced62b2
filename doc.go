// Package romfix moves files between plain paths and archive entries while
// proving that the bytes that arrive are the bytes the catalog expects.
//
// An [Engine] copies one catalog file at a time. Each copy either succeeds,
// with the destination entity updated to describe what was written, or
// fails with one of the outcomes listed on [Outcome] and leaves no partial
// artifact behind. Entries committed by earlier copies into the same
// [Destination] survive a failure:
//
//	eng := romfix.New(romfix.WithFixLevel(romfix.FixTrustConformantVerified))
//	dest := romfix.NewDestination()
//	for _, job := range jobs {
//	    res, err := eng.Copy(romfix.Request{
//	        Source:  job.Source,
//	        Dest:    job.Dest,
//	        Archive: dest,
//	        Path:    "/roms/set.zip",
//	    })
//	    if err != nil {
//	        return errors.Join(err, dest.Close())
//	    }
//	    _ = res
//	}
//	return dest.Close()
//
// Entries copied between conformant zip containers may be transferred raw,
// without decoding or hashing, depending on the configured [FixLevel].
// Every other copy is hashed with CRC32, MD5 and SHA1 on the fly and the
// digests are reconciled against the source and destination entities.
//
// Containers are accessed through archive.Service implementations; zip and
// 7z services are registered by default.
package romfix
