// Package module loads installer modules.
//
// A module lives in its own directory with a module.desc descriptor
// (YAML) naming its type and interface:
//
//	type      interface   variant
//	job       qtplugin    native plugin from the Registry
//	job       process     shell command from the descriptor
//	job       python      script run by the interpreter (Features.Python)
//	view      qtplugin    native ViewStep from the Registry
//	view      pythonqt    scripted page (Features.PythonQt)
//
// Loader.FromDescriptor creates one instance of a module together with its
// configuration, found through ConfigPaths. Manager discovers descriptors
// in the module search paths and instantiates the modules an installer
// sequence refers to. Failures are returned as wrapped sentinel errors,
// nothing in this package panics on bad input.
package module
