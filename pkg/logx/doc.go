// Package logx is a thin zerolog wrapper shared by all chatrelay
// components. It keeps console output readable (short timestamp, short
// caller), writes structured JSON to the optional log file, and lets
// the sink set be swapped at runtime on config reload.
package logx
