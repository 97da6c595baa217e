// Package logx is a thin fielded-logger layer over zerolog. Console
// output stays human-readable (short timestamp, file:line caller), file
// output is JSON, and the config reloader can retarget level and sinks
// at runtime without handing out new Logger values.
package logx
