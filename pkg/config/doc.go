// Package config loads declarations, variable bindings, and runtime
// settings for the terrane engine.
//
// # Overview
//
// The config package is the boundary between files on disk and the engine's
// in-memory model. It parses HCL declaration files into engine.ModuleConfig
// sets, evaluates Starlark binding scripts into root variable values, and
// reads YAML runtime settings with validation.
//
// # Declarations
//
// A module is a directory of .tn files parsed as HCL. All files in the
// directory merge into one declaration set; redeclaring a name across files
// is an error. The language has five top-level blocks:
//
//	variable "region" {
//	    description = "deployment region"
//	    default     = "fra1"
//	}
//
//	locals {
//	    prefix = "app-${var.region}"
//	}
//
//	resource "mem_box" "web" {
//	    name = "${local.prefix}-web"
//	    cpus = 2
//
//	    depends_on = [mem_net.main]
//
//	    lifecycle {
//	        create_before_destroy = true
//	        ignore_changes        = [tags]
//	    }
//
//	    provisioner "remote-exec" {
//	        inline = ["systemctl restart nginx"]
//
//	        connection {
//	            host     = self.ip
//	            user     = "root"
//	            password = var.root_password
//	        }
//	    }
//	}
//
//	module "network" {
//	    source = "./modules/network"
//	    cidr   = var.cidr
//	}
//
//	output "web_ip" {
//	    value = mem_box.web.ip
//	}
//
// Attribute expressions are kept unevaluated; the engine resolves the
// references they embed and evaluates them against committed node values.
// Only variable defaults, module sources, and lifecycle flags must be
// constants. Module sources are local paths resolved relative to the
// declaring directory, so Loader doubles as the engine.ModuleLoader used
// during expansion.
//
// # Variable bindings
//
// Root variables can be bound from Starlark scripts. Top-level assignments
// become variable values, which allows light procedural setup:
//
//	_sizes = {"small": 1, "large": 4}
//
//	region = "fra1"
//	size   = _sizes["large"]
//	zones  = ["a", "b", "c"]
//
// Scripts run sandboxed with no filesystem or network access and a hard
// timeout. Underscore-prefixed names stay private to the script.
//
// # Settings
//
// Runtime settings come from a YAML file layered over built-in defaults:
// parallelism, retry ceilings, timeouts, module depth limit, state and
// history paths, the policy gate, and the telemetry profile. Unknown keys
// are rejected. Production and development presets mirror the telemetry
// profiles.
package config
