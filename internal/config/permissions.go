package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	permOwnerRead  = 0o400
	permGroupRead  = 0o040
	permGroupWrite = 0o020
	permGroupExec  = 0o010
	permOtherWrite = 0o002
	permOtherMask  = 0o007
)

// CheckConfigPermissions validates the daemon config file permissions.
//
// It returns a warning when the file is group-readable and an error when the
// file is accessible by others or group-writable/executable.
func CheckConfigPermissions(path string) (string, error) {
	return checkPermissions("config", path, permOtherMask)
}

// CheckSeedPermissions validates the seed file permissions. The seed holds
// no secrets, so it may be world-readable but never writable by others.
func CheckSeedPermissions(path string) (string, error) {
	return checkPermissions("seed file", path, permOtherWrite)
}

func checkPermissions(label, path string, otherMask os.FileMode) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s path is required", label)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s %s: %w", label, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s %s must be a regular file", label, path)
	}
	perms := info.Mode().Perm()
	if perms&permOwnerRead == 0 {
		return "", fmt.Errorf("%s %s must be readable by owner (mode %04o)", label, path, perms)
	}
	if perms&otherMask != 0 {
		access := "accessible"
		if otherMask == permOtherWrite {
			access = "writable"
		}
		return "", fmt.Errorf("%s %s must not be %s by others (mode %04o)", label, path, access, perms)
	}
	if perms&(permGroupWrite|permGroupExec) != 0 {
		return "", fmt.Errorf("%s %s must not be group-writable or executable (mode %04o)", label, path, perms)
	}
	if otherMask == permOtherMask && perms&permGroupRead != 0 {
		return fmt.Sprintf("%s %s is group-readable (mode %04o); consider chmod 0600", label, path, perms), nil
	}
	return "", nil
}
