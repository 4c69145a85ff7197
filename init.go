package dbus

func init() {
	RegisterSignalType[NameOwnerChanged](ifaceBus, "NameOwnerChanged")
	RegisterSignalType[NameLost](ifaceBus, "NameLost")
	RegisterSignalType[NameAcquired](ifaceBus, "NameAcquired")

	RegisterSignalType[PropertiesChanged](ifaceProps, "PropertiesChanged")
}
