package squashfs

import "strings"

// xattrNamespace is one recognized xattr key prefix and its on-disk
// namespace id, mirroring sqfs_get_xattr_prefix_id in
// lib/sqfs/xattr_writer.c.
type xattrNamespace struct {
	id     uint16
	prefix string
}

var xattrNamespaces = []xattrNamespace{
	{0, "user."},
	{1, "trusted."},
	{2, "security."},
	{3, "system.posix_acl_access"},
	{4, "system.posix_acl_default"},
}

// splitXattrNamespace validates that key carries a recognized namespace
// prefix and returns its namespace id plus the suffix stored on disk
// (prefix and separating dot stripped).
func splitXattrNamespace(key string) (uint16, string, error) {
	for _, ns := range xattrNamespaces {
		if strings.HasPrefix(key, ns.prefix) {
			return ns.id, key[len(ns.prefix):], nil
		}
	}
	return 0, "", newError(KindUnsupported, "xattr key %q has no recognized namespace prefix", key)
}
