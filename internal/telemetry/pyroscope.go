package telemetry

import "strings"

// InjectPyroscopeEnv adds the profiling environment for clients that support
// continuous profiling. Only Nethermind ships the Pyroscope .NET profiler in
// its image; other clients are left untouched.
func InjectPyroscopeEnv(env map[string]string, clientName, executorName, scenarioName, clientType string, pyroscope *Pyroscope) {
	if pyroscope == nil || !strings.EqualFold(clientName, "nethermind") {
		return
	}
	env["DOTNET_EnableDiagnostics"] = "1"
	env["DOTNET_EnableDiagnostics_IPC"] = "0"
	env["DOTNET_EnableDiagnostics_Debugger"] = "0"
	env["DOTNET_EnableDiagnostics_Profiler"] = "1"
	env["PYROSCOPE_SERVER_ADDRESS"] = pyroscope.Endpoint
	env["PYROSCOPE_APPLICATION_NAME"] = executorName
	env["PYROSCOPE_PROFILING_ENABLED"] = "1"
	env["CORECLR_ENABLE_PROFILING"] = "1"
	env["CORECLR_PROFILER"] = "{BD1A650D-AC5D-4896-B64F-D6FA25D6B26A}"
	env["CORECLR_PROFILER_PATH"] = "Pyroscope.Profiler.Native.so"
	env["LD_PRELOAD"] = "Pyroscope.Linux.ApiWrapper.x64.so"
	if pyroscope.BasicAuth != nil {
		env["PYROSCOPE_BASIC_AUTH_USER"] = pyroscope.BasicAuth.Username
		env["PYROSCOPE_BASIC_AUTH_PASSWORD"] = pyroscope.BasicAuth.Password
	}
	if len(pyroscope.Tags) > 0 {
		labels := make([]string, 0, len(pyroscope.Tags)+2)
		for _, tag := range pyroscope.Tags {
			labels = append(labels, strings.Replace(tag, "=", ":", 1))
		}
		labels = append(labels, "testid:"+scenarioName, "client_type:"+clientType)
		env["PYROSCOPE_LABELS"] = strings.Join(labels, ",")
	}
}
