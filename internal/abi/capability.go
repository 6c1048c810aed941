package abi

// Well-known identifiers.
var (
	IIDUnknown      = MustParseGUID("00000000-0000-0000-C000-000000000046")
	IIDClassFactory = MustParseGUID("00000001-0000-0000-C000-000000000046")

	IIDCallback  = MustParseGUID("176FBED1-A55C-4796-98CA-A9DA0EF883E7")
	IIDCallback2 = MustParseGUID("8A8CC829-CCF2-49fe-BBAE-0F022228071A")
	IIDCallback3 = MustParseGUID("4FD2ED52-7731-4b8d-9469-03D2CC3086C5")
	IIDCallback4 = MustParseGUID("7B63B2E3-107D-4d48-B2F6-F61E229470D2")
	IIDCallback5 = MustParseGUID("8DFBA405-8C9F-45F8-BFFA-83B14CEF78B5")
	IIDCallback6 = MustParseGUID("FC13DF4B-4448-4F4F-950C-BA8D19D00C36")
	IIDCallback7 = MustParseGUID("F76A2DBA-1D52-4539-866C-2AA518F9EFC3")
	IIDCallback8 = MustParseGUID("5BED9B15-C079-4D47-BFE2-215A140C07E0")
	IIDCallback9 = MustParseGUID("27583EC3-C8F5-482F-8052-194B8CE4705A")

	// CLSIDAgent is the class id the host passes to the factory.
	CLSIDAgent = MustParseGUID("DF63A541-5A33-4611-8829-F4E495985EE3")
)

// Capability binds an interface id to the function table version that
// serves it.
type Capability struct {
	IID     GUID
	Version int
	Name    string
}

// capabilities is append-only. Existing entries never change order or
// version; new callback versions add a new entry and a new table.
var capabilities = []Capability{
	{IID: IIDUnknown, Version: 0, Name: "IUnknown"},
	{IID: IIDCallback, Version: 1, Name: "ICorProfilerCallback"},
	{IID: IIDCallback2, Version: 2, Name: "ICorProfilerCallback2"},
	{IID: IIDCallback3, Version: 3, Name: "ICorProfilerCallback3"},
	{IID: IIDCallback4, Version: 4, Name: "ICorProfilerCallback4"},
	{IID: IIDCallback5, Version: 5, Name: "ICorProfilerCallback5"},
	{IID: IIDCallback6, Version: 6, Name: "ICorProfilerCallback6"},
	{IID: IIDCallback7, Version: 7, Name: "ICorProfilerCallback7"},
	{IID: IIDCallback8, Version: 8, Name: "ICorProfilerCallback8"},
	{IID: IIDCallback9, Version: 9, Name: "ICorProfilerCallback9"},
}

// Capabilities returns a copy of the capability table in version order.
func Capabilities() []Capability {
	out := make([]Capability, len(capabilities))
	copy(out, capabilities)
	return out
}

// LookupCapability scans the table for iid.
func LookupCapability(iid GUID) (Capability, bool) {
	for _, c := range capabilities {
		if c.IID == iid {
			return c, true
		}
	}
	return Capability{}, false
}

// HighestVersion is the newest callback interface this object serves.
func HighestVersion() int {
	return capabilities[len(capabilities)-1].Version
}
