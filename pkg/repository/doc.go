// Package repository implements engine.Repository over the storage a
// package repository can be published on.
//
// Every backend serves the same layout:
//
//	profiles.ini
//	info/<id>.ini
//	scripts/<installer>
//	files/<id>/<filename>
//
// DirRepository reads a local or mounted directory, SFTPRepository reads
// a directory on an SSH server and S3Repository reads a bucket prefix.
// CachedRepository keeps metadata records and installer scripts in an LRU
// for the length of a session. Open picks the backend from a URL.
package repository
