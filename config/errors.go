package config

import "github.com/pkg/errors"

// Configuration validation errors
var (
	ErrInvalidAppName         = errors.New("invalid application name")
	ErrInvalidEnvironment     = errors.New("invalid environment")
	ErrInvalidLogLevel        = errors.New("invalid log level")
	ErrInvalidLogFormat       = errors.New("invalid log format")
	ErrInvalidPort            = errors.New("invalid port number")
	ErrInvalidMailboxHint     = errors.New("invalid mailbox hint")
	ErrInvalidTimeout         = errors.New("invalid timeout")
	ErrInvalidProtocolVersion = errors.New("invalid portal protocol version")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound = errors.New("configuration file not found")
	ErrUnsupportedFormat  = errors.New("unsupported configuration format")
	ErrConfigWatchError   = errors.New("configuration watch error")
)
